// Package identity supplies the caller identities compared by the bot state
// machine. Identities are EVM addresses; a caller can prove control of an
// address by signing the request payload as an EIP-191 personal message.
package identity
