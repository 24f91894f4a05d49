package services

import (
	"regexp"
	"strings"
	"unicode/utf8"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/textutil"
)

const (
	addressFieldLimit = 200

	fieldFullName   = "fullName"
	fieldEmail      = "email"
	fieldPhone      = "phone"
	fieldLine1      = "address"
	fieldLine2      = "address2"
	fieldCity       = "city"
	fieldState      = "state"
	fieldPostalCode = "zipCode"
	fieldCountry    = "country"
)

var (
	emailPattern      = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
	usPostalPattern   = regexp.MustCompile(`^\d{5}(-\d{4})?$`)
	caPostalPattern   = regexp.MustCompile(`^[A-Za-z]\d[A-Za-z] \d[A-Za-z]\d$`)
	phoneSeparatorSet = " -.()"
)

var countryAliases = map[string]string{
	"US":                       "US",
	"USA":                      "US",
	"UNITED STATES":            "US",
	"UNITED STATES OF AMERICA": "US",
	"CA":                       "CA",
	"CAN":                      "CA",
	"CANADA":                   "CA",
}

// canonicalCountry maps the recognised spellings of countries with postal rules to their ISO code.
// Other values are returned upper-cased.
func canonicalCountry(country string) string {
	key := strings.ToUpper(strings.TrimSpace(country))
	if code, ok := countryAliases[key]; ok {
		return code
	}
	return key
}

func sameCountry(a, b string) bool {
	return canonicalCountry(a) == canonicalCountry(b)
}

// sanitizeAddress strips markup and surrounding whitespace from every field.
func sanitizeAddress(addr domain.Address) domain.Address {
	return domain.Address{
		FullName:   textutil.PlainText(addr.FullName, addressFieldLimit),
		Email:      strings.TrimSpace(textutil.PlainText(addr.Email, addressFieldLimit)),
		Phone:      textutil.PlainText(addr.Phone, 32),
		Line1:      textutil.PlainText(addr.Line1, addressFieldLimit),
		Line2:      textutil.PlainText(addr.Line2, addressFieldLimit),
		City:       textutil.PlainText(addr.City, addressFieldLimit),
		State:      textutil.PlainText(addr.State, addressFieldLimit),
		PostalCode: textutil.PlainText(addr.PostalCode, 16),
		Country:    textutil.PlainText(addr.Country, 64),
	}
}

// ValidateAddress checks every required shipping field and returns all failures at once, sorted
// by field name. A nil result means the address is complete.
func ValidateAddress(addr domain.Address) ValidationErrors {
	var errs ValidationErrors
	add := func(field, reason string) {
		errs = append(errs, &ValidationError{Field: field, Reason: reason})
	}

	name := strings.TrimSpace(addr.FullName)
	switch {
	case name == "":
		add(fieldFullName, "is required")
	case utf8.RuneCountInString(name) < 2:
		add(fieldFullName, "must be at least 2 characters")
	}

	email := strings.TrimSpace(addr.Email)
	switch {
	case email == "":
		add(fieldEmail, "is required")
	case !emailPattern.MatchString(email):
		add(fieldEmail, "is not a valid email address")
	}

	phone := strings.TrimSpace(addr.Phone)
	if phone == "" {
		add(fieldPhone, "is required")
	} else if digits, ok := phoneDigits(phone); !ok || len(digits) < 10 || len(digits) > 15 {
		add(fieldPhone, "must contain 10 to 15 digits")
	}

	line1 := strings.TrimSpace(addr.Line1)
	switch {
	case line1 == "":
		add(fieldLine1, "is required")
	case utf8.RuneCountInString(line1) < 5:
		add(fieldLine1, "must be at least 5 characters")
	}

	if strings.TrimSpace(addr.City) == "" {
		add(fieldCity, "is required")
	}
	if strings.TrimSpace(addr.State) == "" {
		add(fieldState, "is required")
	}
	country := strings.TrimSpace(addr.Country)
	if country == "" {
		add(fieldCountry, "is required")
	}

	postal := strings.TrimSpace(addr.PostalCode)
	switch {
	case postal == "":
		add(fieldPostalCode, "is required")
	case canonicalCountry(country) == "US" && !usPostalPattern.MatchString(postal):
		add(fieldPostalCode, "must be a 5 digit ZIP code or ZIP+4")
	case canonicalCountry(country) == "CA" && !caPostalPattern.MatchString(postal):
		add(fieldPostalCode, "must match the A1A 1A1 format")
	}

	if len(errs) == 0 {
		return nil
	}
	return errs.sorted()
}

// phoneDigits strips separators and a leading plus sign. It reports false when any other
// non-digit character remains.
func phoneDigits(phone string) (string, bool) {
	phone = strings.TrimPrefix(strings.TrimSpace(phone), "+")
	var b strings.Builder
	for _, r := range phone {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case strings.ContainsRune(phoneSeparatorSet, r):
		default:
			return "", false
		}
	}
	return b.String(), true
}
