// Package display renders tasks, plans and audit trails for the qubic CLI.
//
// Every function writes to an io.Writer. Colors are applied through
// fatih/color and follow its global NoColor switch, so output written to
// files or pipes stays plain.
package display
