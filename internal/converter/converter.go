// Package converter declares the external Converter/Validator collaborator
// that maps a CSV row to the canonical record form. The field mapping and
// the expression-based content validator live outside this repository; the
// row processor only depends on this interface.
package converter

import (
	"github.com/carelink/vaxbatch/internal/model"
)

// ExpectedHeaders is the exact CSV column set, in order, for a valid batch
// file. Files whose header row deviates are rejected before row processing.
var ExpectedHeaders = []string{
	"NHS_NUMBER",
	"PERSON_FORENAME",
	"PERSON_SURNAME",
	"PERSON_DOB",
	"PERSON_GENDER_CODE",
	"PERSON_POSTCODE",
	"DATE_AND_TIME",
	"SITE_CODE",
	"SITE_CODE_TYPE_URI",
	"UNIQUE_ID",
	"UNIQUE_ID_URI",
	"ACTION_FLAG",
	"PERFORMING_PROFESSIONAL_FORENAME",
	"PERFORMING_PROFESSIONAL_SURNAME",
	"RECORDED_DATE",
	"PRIMARY_SOURCE",
	"VACCINATION_PROCEDURE_CODE",
	"VACCINATION_PROCEDURE_TERM",
	"DOSE_SEQUENCE",
	"VACCINE_PRODUCT_CODE",
	"VACCINE_PRODUCT_TERM",
	"VACCINE_MANUFACTURER",
	"BATCH_NUMBER",
	"EXPIRY_DATE",
	"SITE_OF_VACCINATION_CODE",
	"SITE_OF_VACCINATION_TERM",
	"ROUTE_OF_VACCINATION_CODE",
	"ROUTE_OF_VACCINATION_TERM",
	"DOSE_AMOUNT",
	"DOSE_UNIT_CODE",
	"DOSE_UNIT_TERM",
	"INDICATION_CODE",
	"LOCATION_CODE",
	"LOCATION_CODE_TYPE_URI",
}

// Column names the row processor reads directly.
const (
	ActionFlagColumn  = "ACTION_FLAG"
	UniqueIDColumn    = "UNIQUE_ID"
	UniqueIDURIColumn = "UNIQUE_ID_URI"
)

// Converter turns one CSV row (header name -> cell value) into the
// canonical record form, running content validation as it goes. A non-nil
// error means the row failed validation; the file as a whole keeps going.
type Converter interface {
	Convert(row map[string]string, category string) (*model.CanonicalRecord, error)
}
