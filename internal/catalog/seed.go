package catalog

import _ "embed"

//go:embed seed_catalog.csv
var seedCSV []byte

// Seed returns the bundled starter catalog. It backs a fresh data
// directory until the first real catalog is promoted.
func Seed() []byte {
	return append([]byte(nil), seedCSV...)
}
