// Package archive holds helpers shared by the usage archive sinks in
// store/archive/s3 and store/archive/gcs.
package archive

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/rbaliyan/sendpool/store"
)

// DefaultPrefix is the key prefix used when none is configured.
const DefaultPrefix = "usage"

// ContentType of archived reports.
const ContentType = "application/json"

// resetStamp names one reset within a day, in UTC with millisecond precision.
const resetStamp = "20060102T150405.000Z"

// ObjectKey returns prefix/orgID/YYYY/MM/DD/<reset time>.json. Every reset of
// a day gets its own object, so a second reset never replaces the usage
// archived by the first.
func ObjectKey(prefix string, u *store.DailyUsage) (string, error) {
	if u == nil {
		return "", fmt.Errorf("archive: usage is nil")
	}
	if err := validateOrgID(u.OrgID); err != nil {
		return "", err
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	name := u.ResetAt.UTC().Format(resetStamp) + ".json"
	return path.Join(strings.Trim(prefix, "/"), u.OrgID, u.Day.Format("2006/01/02"), name), nil
}

// validateOrgID rejects org IDs that would move the key out of its prefix.
func validateOrgID(orgID string) error {
	switch {
	case orgID == "":
		return fmt.Errorf("archive: org id is required")
	case orgID == "." || orgID == "..", strings.ContainsAny(orgID, `/\`):
		return fmt.Errorf("archive: invalid org id %q", orgID)
	}
	return nil
}

// Encode validates and serializes a usage report.
func Encode(u *store.DailyUsage) ([]byte, error) {
	if u == nil {
		return nil, fmt.Errorf("archive: usage is nil")
	}
	if err := validateOrgID(u.OrgID); err != nil {
		return nil, err
	}
	data, err := json.MarshalIndent(u, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("archive: encode usage: %w", err)
	}
	return data, nil
}
