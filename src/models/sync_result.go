package models

type SyncResult struct {
	AddedCount    int `json:"added_count"`
	ModifiedCount int `json:"modified_count"`
	RemovedCount  int `json:"removed_count"`
}

type ReprocessResult struct {
	CategorizedCount int `json:"categorized_count"`
	TransferCount    int `json:"transfer_count"`
}
