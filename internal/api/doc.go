// Package api exposes the bot ledger over HTTP. Callers deploy bots, invoke
// entries synchronously, submit asynchronous transactions, and read back the
// call journal. Write requests identify the caller through the X-Bot-Caller
// header and, optionally, an EIP-191 signature over the method, path,
// X-Bot-Timestamp and body. Each signed request is accepted once.
package api
