package store

import (
	"fmt"
	"strings"
)

const (
	// notation dictionary for key formats:
	// dir  = conversation directory snapshot
	// t    = thread snapshot
	// b    = audio blob
	// rd   = read confirmation waiting for the remote
	// All keys are lowercase; segments are separated by ":"

	DirectoryKey   = "dir:snapshot"
	ThreadKey      = "t:%s:snapshot" // t:<conversation_id>:snapshot
	BlobKey        = "b:%s"          // b:<blob_id>
	PendingReadKey = "rd:%s"         // rd:<conversation_id>

	PendingReadPrefix = "rd:"

	SystemVersionKey = "system:version"
	schemaVersion    = "1"
)

func GenThreadKey(conversationID string) (string, error) {
	if err := validateSegment(conversationID); err != nil {
		return "", fmt.Errorf("thread key: %w", err)
	}
	return fmt.Sprintf(ThreadKey, conversationID), nil
}

func GenBlobKey(blobID string) (string, error) {
	if err := validateSegment(blobID); err != nil {
		return "", fmt.Errorf("blob key: %w", err)
	}
	return fmt.Sprintf(BlobKey, blobID), nil
}

func GenPendingReadKey(conversationID string) (string, error) {
	if err := validateSegment(conversationID); err != nil {
		return "", fmt.Errorf("pending read key: %w", err)
	}
	return fmt.Sprintf(PendingReadKey, conversationID), nil
}

func validateSegment(s string) error {
	if s == "" {
		return fmt.Errorf("empty id")
	}
	if strings.ContainsAny(s, ": \t\n") {
		return fmt.Errorf("invalid id %q", s)
	}
	return nil
}
