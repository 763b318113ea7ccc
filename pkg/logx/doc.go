// Package logx is ghrelay's logging layer: a small field-func wrapper over
// zerolog.
//
// Console output is human readable (short timestamp, file:line caller); the
// optional file sink is JSON. Service.Apply swaps level and sinks at runtime
// when the logging section of the config is reloaded.
package logx
