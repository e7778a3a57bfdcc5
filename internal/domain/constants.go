package domain

const (
	DirectionDebit  = "debit"
	DirectionCredit = "credit"

	TxTypeDeposit = "deposit"
	TxTypeRelease = "release"
	TxTypePayout  = "payout"

	TxStatusCompleted  = "completed"
	TxStatusProcessing = "processing"

	AddressStatusPending  = "pending"
	AddressStatusApproved = "approved"
	AddressStatusRejected = "rejected"

	ReleaseStatusPending   = "pending"
	ReleaseStatusApproved  = "approved"
	ReleaseStatusCompleted = "completed"

	PayoutStatusSent = "sent"
)
