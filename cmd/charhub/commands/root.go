// Package commands holds the CLI subcommands. All of them talk to the
// database directly; run the CLI on a host with DATABASE_URL access.
package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charhubai/charhub/internal/services/usagepipe"
)

var (
	db         *gorm.DB
	outputJSON bool
)

// SetDB sets the database connection used by every subcommand.
func SetDB(database *gorm.DB) {
	db = database
}

// SetOutputJSON switches output from tables to JSON.
func SetOutputJSON(v bool) {
	outputJSON = v
}

func requireDB() (*gorm.DB, error) {
	if db == nil {
		return nil, fmt.Errorf("no database connection configured")
	}
	return db, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func newCostTable(db *gorm.DB) *usagepipe.CostTable {
	return usagepipe.NewCostTable(db, zap.NewNop(), 0)
}
