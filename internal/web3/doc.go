// Package web3 defines the ledger and signing contracts the transfer
// machinery depends on, together with the chain definition file format.
// Concrete clients live in sub-packages so tests can substitute doubles.
package web3
