// Package logx is the process-wide structured logging layer, a thin
// wrapper over zerolog.
//
// Components hold a logx.Logger value and never touch zerolog
// directly. The Service owns sinks and level; Service.Apply swaps
// them at runtime, which is how a config reload changes log output
// without restarting the pipeline. Console output renders short
// timestamps and file:line callers; the optional file sink stays
// JSON.
package logx
