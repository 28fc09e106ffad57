// Package bot implements the guarded state machine of a single cryptobot.
// The record is created once by New and afterwards only the owner may change
// it through the entries dispatched by Apply. A rejected call never mutates
// the record.
package bot
