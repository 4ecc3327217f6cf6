// Package audit defines the organization activity timeline entries written
// alongside billing and membership changes.
package audit
