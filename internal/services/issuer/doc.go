// Package issuer mints client credentials for the messaging cluster.
//
// It owns the operator/account/user signing-key hierarchy and the issuance
// pipeline that turns an (account, user) request into a credential bundle,
// so clients obtain broker identities from one place with one trust chain.
//
// Subpackages:
//   - app: issuer server wiring and lifecycle
//   - api/http: HTTP credential endpoint
//   - domain: identity entities and name validation
//   - keystore: filesystem keypair and claim persistence
//   - claims: claim signing and verification
//   - broker: account-claim publishing to the broker
//   - credfile: credential bundle serialization
//   - issuance: the issuance coordinator
//   - storage/sqlite: issuance audit log
package issuer
