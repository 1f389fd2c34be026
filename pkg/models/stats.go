package models

import "time"

// Stats represents record store statistics
type Stats struct {
	TotalRecords   int64
	PendingRecords int64
	SyncedRecords  int64
	// Pending records whose photo is already on the blob host
	UploadedPending int64
	LastCapturedAt  *time.Time
}

// PassResult summarizes one sync pass
type PassResult struct {
	Attempted      int
	Uploaded       int
	ReusedUploads  int
	Synced         int
	UploadFailures int
	SubmitFailures int
	StoreFailures  int
	Duration       time.Duration
}

// Failed returns the number of records left pending by the pass
func (r PassResult) Failed() int {
	return r.UploadFailures + r.SubmitFailures + r.StoreFailures
}

// Add merges another pass into r
func (r *PassResult) Add(o PassResult) {
	r.Attempted += o.Attempted
	r.Uploaded += o.Uploaded
	r.ReusedUploads += o.ReusedUploads
	r.Synced += o.Synced
	r.UploadFailures += o.UploadFailures
	r.SubmitFailures += o.SubmitFailures
	r.StoreFailures += o.StoreFailures
	r.Duration += o.Duration
}
