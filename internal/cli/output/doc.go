// Package output renders vmsnap-cli results.
//
// Results are printed as an aligned table, JSON or YAML. Command result
// types implement Tabular to choose their own columns; JSON and YAML
// output always follow the json tags of the result.
//
// ProgressBar draws the live progress of a server task for --wait.
package output
