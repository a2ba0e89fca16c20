package models

// All returns every table the dispatch engine owns, in creation order
func All() []any {
	return []any{
		&Campaign{},
		&CampaignRecipient{},
		&CampaignMetadata{},
		&Contact{},
		&CreditWallet{},
		&CreditReservation{},
		&CreditTransaction{},
		&Subscription{},
		&IdempotencyRecord{},
		&DispatchBatch{},
		&AuditLog{},
	}
}
