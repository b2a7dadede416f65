// Package filekey validates and parses supplier batch file names.
//
// The expected convention (case-insensitive) is
// {CATEGORY}_Vaccinations_v{N}_{SUBMITTERCODE}_{YYYYMMDDThhmmss[zz]}.csv,
// e.g. FLU_Vaccinations_v5_YGM41_20240101T120000.csv. The .dat extension is
// also accepted for files arriving via the MESH transfer route.
package filekey

import (
	"regexp"
	"strings"
	"time"

	"github.com/carelink/vaxbatch/internal/model"
)

var (
	formatPattern = regexp.MustCompile(`^[^_.]*_[^_.]*_[^_.]*_[^_.]*_[^_.]*`)

	validVersions   = map[string]bool{"V5": true}
	validExtensions = map[string]bool{"CSV": true, "DAT": true}
)

// FileKey is the parsed form of a valid file name. All fields are upper case.
type FileKey struct {
	Category      string
	Version       string
	SubmitterCode string
	Timestamp     string
	Extension     string
}

// Parse validates every element of the file key against the convention and
// the set of known categories. The returned error is always an
// *model.InvalidFileKeyError carrying the sub-reason.
func Parse(fileKey string, validCategories map[string]bool) (*FileKey, error) {
	if !formatPattern.MatchString(fileKey) {
		return nil, &model.InvalidFileKeyError{Reason: "invalid file key format"}
	}

	upper := strings.ToUpper(fileKey)
	nameAndExt := strings.SplitN(upper, ".", 2)
	if len(nameAndExt) != 2 || nameAndExt[1] == "" {
		return nil, &model.InvalidFileKeyError{Reason: "missing file extension"}
	}

	parts := strings.Split(nameAndExt[0], "_")
	if len(parts) != 5 {
		return nil, &model.InvalidFileKeyError{Reason: "invalid file key format"}
	}

	fk := &FileKey{
		Category:      parts[0],
		Version:       parts[2],
		SubmitterCode: parts[3],
		Timestamp:     parts[4],
		Extension:     nameAndExt[1],
	}

	if !validCategories[fk.Category] ||
		parts[1] != "VACCINATIONS" ||
		!validVersions[fk.Version] ||
		fk.SubmitterCode == "" ||
		!isValidTimestamp(fk.Timestamp) ||
		!validExtensions[fk.Extension] {
		return nil, &model.InvalidFileKeyError{Reason: "invalid file key"}
	}

	return fk, nil
}

// isValidTimestamp checks the YYYYmmddTHHMMSS portion; trailing digits
// (usually a two digit timezone) are not validated.
func isValidTimestamp(ts string) bool {
	if len(ts) < 15 {
		return false
	}
	_, err := time.Parse("20060102T150405", ts[:15])
	return err == nil
}
