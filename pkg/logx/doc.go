// Package logx is briefbot's structured logging layer on top of zerolog.
//
// Console output is human readable. The optional file sink writes JSON
// lines, and the optional Telegram sink forwards warnings and errors to an
// ops chat under a rate limit.
package logx
