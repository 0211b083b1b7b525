package cloud

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// hashOf returns the first n hex characters of the BLAKE2b-256 digest of s.
func hashOf(s string, n int) string {
	sum := blake2b.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:n]
}

// ProjectIDFor derives the GCP project ID for the workflow that creates it.
// Project IDs are 6-30 characters, start with a letter and are lowercase.
func ProjectIDFor(workflowID string) string {
	return "wsm-" + hashOf(workflowID, 20)
}

// TransferJobNameFor derives the storage transfer job name for the workflow
// that creates it, so a resumed workflow finds the job it already made.
func TransferJobNameFor(workflowID string) string {
	return "transferJobs/wsm-" + hashOf(workflowID, 32)
}

// StorageAccountNameFor derives a storage account name for a workspace.
// Account names are 3-24 lowercase letters and digits.
func StorageAccountNameFor(workspaceID string) string {
	return "wsm" + hashOf(workspaceID, 21)
}

// BucketNameFor derives the bucket name for a cloned bucket resource.
func BucketNameFor(resourceID string) string {
	return "wsm-clone-" + hashOf(resourceID, 24)
}
