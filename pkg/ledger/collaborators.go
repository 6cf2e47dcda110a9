package ledger

import "github.com/google/uuid"

// DocumentStore is the external document/file collaborator. The ledger only
// ever asks it to purge a closed loan's documents; upload and signed-URL
// issuance happen outside this core.
type DocumentStore interface {
	DeleteLoanDocuments(loanID uuid.UUID) error
}

// Directory resolves customer and collector identities. Lookups here are
// advisory; the ledger stores the keys opaquely.
type Directory interface {
	CustomerExists(customerKey string) (bool, error)
}
