package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/charhubai/charhub/internal/models"
)

func NewUserCommand(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}

	cmd.AddCommand(newUserCreateCommand(ctx))
	cmd.AddCommand(newUserGetCommand(ctx))
	cmd.AddCommand(newUserListCommand(ctx))
	cmd.AddCommand(newUserSetRoleCommand(ctx))

	return cmd
}

func newUserCreateCommand(ctx context.Context) *cobra.Command {
	var language, role string
	var maxAgeRating int

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new user",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := requireDB()
			if err != nil {
				return err
			}
			user := &models.User{
				PreferredLanguage: language,
				Role:              models.UserRole(role),
				MaxAgeRating:      maxAgeRating,
			}
			if err := db.WithContext(ctx).Create(user).Error; err != nil {
				return fmt.Errorf("failed to create user: %w", err)
			}
			if outputJSON {
				return printJSON(user)
			}
			fmt.Printf("Created user %s (role %s)\n", user.ID, user.Role)
			return nil
		},
	}

	cmd.Flags().StringVar(&language, "language", "en", "preferred language")
	cmd.Flags().StringVar(&role, "role", string(models.RoleFree), "role (FREE, PREMIUM, ADMIN)")
	cmd.Flags().IntVar(&maxAgeRating, "max-age-rating", 13, "maximum content age rating")

	return cmd
}

func newUserGetCommand(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "get [USER_ID]",
		Short: "Get user details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := requireDB()
			if err != nil {
				return err
			}
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id: %w", err)
			}
			var user models.User
			if err := db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
				return fmt.Errorf("failed to load user: %w", err)
			}
			if outputJSON {
				return printJSON(&user)
			}
			w := newTable()
			fmt.Fprintf(w, "ID\t%s\n", user.ID)
			fmt.Fprintf(w, "Role\t%s\n", user.Role)
			fmt.Fprintf(w, "Language\t%s\n", user.PreferredLanguage)
			fmt.Fprintf(w, "MaxAgeRating\t%d\n", user.MaxAgeRating)
			fmt.Fprintf(w, "Created\t%s\n", user.CreatedAt.Format("2006-01-02 15:04:05"))
			return w.Flush()
		},
	}
}

func newUserListCommand(ctx context.Context) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := requireDB()
			if err != nil {
				return err
			}
			var users []models.User
			err = db.WithContext(ctx).
				Order("created_at DESC").
				Limit(limit).
				Offset(offset).
				Find(&users).Error
			if err != nil {
				return fmt.Errorf("failed to list users: %w", err)
			}
			if outputJSON {
				return printJSON(users)
			}
			w := newTable()
			fmt.Fprintln(w, "ID\tROLE\tLANGUAGE\tCREATED")
			for _, u := range users {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", u.ID, u.Role, u.PreferredLanguage, u.CreatedAt.Format("2006-01-02"))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "limit number of results")
	cmd.Flags().IntVar(&offset, "offset", 0, "offset for pagination")

	return cmd
}

func newUserSetRoleCommand(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "set-role [USER_ID] [ROLE]",
		Short: "Change a user's role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := requireDB()
			if err != nil {
				return err
			}
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid user id: %w", err)
			}
			role := models.UserRole(args[1])
			switch role {
			case models.RoleFree, models.RolePremium, models.RoleAdmin:
			default:
				return fmt.Errorf("unknown role %q", args[1])
			}
			result := db.WithContext(ctx).Model(&models.User{}).
				Where("id = ?", id).
				Update("role", role)
			if result.Error != nil {
				return fmt.Errorf("failed to update role: %w", result.Error)
			}
			if result.RowsAffected == 0 {
				return fmt.Errorf("user %s not found", id)
			}
			fmt.Printf("Updated user %s to role %s\n", id, role)
			return nil
		},
	}
}
