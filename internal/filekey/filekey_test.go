package filekey

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelink/vaxbatch/internal/model"
)

var categories = map[string]bool{"FLU": true, "COVID19": true, "RSV": true}

func TestParseValid(t *testing.T) {
	tests := []struct {
		name    string
		fileKey string
		want    FileKey
	}{
		{
			name:    "csv",
			fileKey: "FLU_Vaccinations_v5_YGM41_20240101T120000.csv",
			want:    FileKey{Category: "FLU", Version: "V5", SubmitterCode: "YGM41", Timestamp: "20240101T120000", Extension: "CSV"},
		},
		{
			name:    "lower case",
			fileKey: "flu_vaccinations_v5_ygm41_20240101T120000.csv",
			want:    FileKey{Category: "FLU", Version: "V5", SubmitterCode: "YGM41", Timestamp: "20240101T120000", Extension: "CSV"},
		},
		{
			name:    "dat extension",
			fileKey: "COVID19_Vaccinations_v5_8HK48_20240708T121300.dat",
			want:    FileKey{Category: "COVID19", Version: "V5", SubmitterCode: "8HK48", Timestamp: "20240708T121300", Extension: "DAT"},
		},
		{
			name:    "timestamp with timezone digits",
			fileKey: "RSV_Vaccinations_v5_X26_20240708T12130100.csv",
			want:    FileKey{Category: "RSV", Version: "V5", SubmitterCode: "X26", Timestamp: "20240708T12130100", Extension: "CSV"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse(tc.fileKey, categories)
			require.NoError(t, err)
			assert.Equal(t, tc.want, *got)
		})
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name       string
		fileKey    string
		wantReason string
	}{
		{"too few segments", "FLU_Vaccinations_v5.csv", "invalid file key format"},
		{"no extension", "FLU_Vaccinations_v5_YGM41_20240101T120000", "missing file extension"},
		{"unknown category", "MMR_Vaccinations_v5_YGM41_20240101T120000.csv", "invalid file key"},
		{"wrong literal", "FLU_Immunisations_v5_YGM41_20240101T120000.csv", "invalid file key"},
		{"unsupported version", "FLU_Vaccinations_v4_YGM41_20240101T120000.csv", "invalid file key"},
		{"empty submitter code", "FLU_Vaccinations_v5__20240101T120000.csv", "invalid file key"},
		{"short timestamp", "FLU_Vaccinations_v5_YGM41_20240101.csv", "invalid file key"},
		{"bad timestamp", "FLU_Vaccinations_v5_YGM41_20241301T250000.csv", "invalid file key"},
		{"wrong extension", "FLU_Vaccinations_v5_YGM41_20240101T120000.xlsx", "invalid file key"},
		{"extra segments", "FLU_Vaccinations_v5_YGM41_20240101T120000_extra.csv", "invalid file key format"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.fileKey, categories)
			require.Error(t, err)
			assert.True(t, errors.Is(err, model.ErrInvalidFileKey))

			var invalid *model.InvalidFileKeyError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, tc.wantReason, invalid.Reason)
		})
	}
}
