// Package logging sets up gokko's rotating, structured file logger.
// When --debug is set, comprehensive logs are written to ~/.gokko/logs/;
// otherwise logging stays minimal and goes to stderr only.
package logging
