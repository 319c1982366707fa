package email

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loanpilot/orchestrator/pkg/models"
)

// FieldType is the declared type of an extractable profile field.
type FieldType string

const (
	TypeString     FieldType = "string"
	TypeEmail      FieldType = "email"
	TypePhone      FieldType = "phone"
	TypeCurrency   FieldType = "currency"
	TypePercentage FieldType = "percentage"
	TypeInteger    FieldType = "integer"
	TypeDate       FieldType = "date"
	TypeDateTime   FieldType = "datetime"
	TypeEnum       FieldType = "enum"
	TypeURL        FieldType = "url"
	TypeBoolean    FieldType = "boolean"
)

// Field describes one extractable field.
type Field struct {
	Name   string
	Type   FieldType
	Values []string // enum members
	Note   string
}

// identity fields are the ones a profile can be matched or created on.
var identityFields = map[string]bool{"email": true, "phone": true, "loan_number": true}

var contactFields = []Field{
	{Name: "borrower_name", Type: TypeString, Note: "full name of the borrower or client"},
	{Name: "email", Type: TypeEmail},
	{Name: "phone", Type: TypePhone},
	{Name: "property_address", Type: TypeString},
}

// Catalog lists the fields each profile type may carry.
var Catalog = map[models.ProfileType][]Field{
	models.ProfileLead: append(append([]Field{}, contactFields...),
		Field{Name: "loan_purpose", Type: TypeEnum, Values: []string{"purchase", "refinance", "cash_out", "heloc"}},
		Field{Name: "loan_amount", Type: TypeCurrency},
		Field{Name: "purchase_price", Type: TypeCurrency},
		Field{Name: "down_payment", Type: TypeCurrency},
		Field{Name: "credit_score", Type: TypeInteger},
		Field{Name: "timeline", Type: TypeString, Note: "when the lead wants to buy or refinance"},
		Field{Name: "lead_source", Type: TypeString},
		Field{Name: "preapproval_requested", Type: TypeBoolean},
	),
	models.ProfileActiveLoan: append(append([]Field{}, contactFields...),
		Field{Name: "loan_number", Type: TypeString},
		Field{Name: "loan_amount", Type: TypeCurrency},
		Field{Name: "interest_rate", Type: TypePercentage},
		Field{Name: "loan_stage", Type: TypeEnum, Values: []string{"application", "processing", "underwriting", "conditional_approval", "clear_to_close", "closing", "funded"}},
		Field{Name: "rate_lock_expiration", Type: TypeDate},
		Field{Name: "appraisal_date", Type: TypeDate},
		Field{Name: "appraised_value", Type: TypeCurrency},
		Field{Name: "clear_to_close_date", Type: TypeDate},
		Field{Name: "closing_date", Type: TypeDate},
		Field{Name: "closing_time", Type: TypeDateTime},
		Field{Name: "title_company", Type: TypeString},
		Field{Name: "lender_portal_url", Type: TypeURL},
	),
	models.ProfileMUMClient: append(append([]Field{}, contactFields...),
		Field{Name: "current_rate", Type: TypePercentage},
		Field{Name: "loan_balance", Type: TypeCurrency},
		Field{Name: "original_close_date", Type: TypeDate},
		Field{Name: "annual_review_date", Type: TypeDate},
		Field{Name: "refinance_interest", Type: TypeBoolean},
		Field{Name: "referral_name", Type: TypeString},
	),
	models.ProfileTeamMember: {
		{Name: "name", Type: TypeString},
		{Name: "email", Type: TypeEmail},
		{Name: "phone", Type: TypePhone},
		{Name: "role", Type: TypeEnum, Values: []string{"loan_officer", "processor", "underwriter", "closer", "assistant"}},
		{Name: "nmls_id", Type: TypeString},
		{Name: "start_date", Type: TypeDate},
		{Name: "availability", Type: TypeString},
	},
}

// lookupField returns the catalog entry of name for profileType.
func lookupField(profileType models.ProfileType, name string) (Field, bool) {
	for _, f := range Catalog[profileType] {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// describeFields renders the catalog of one profile type for the parse prompt.
func describeFields(profileType models.ProfileType) string {
	var b strings.Builder
	for _, f := range Catalog[profileType] {
		fmt.Fprintf(&b, "- %s (%s", f.Name, f.Type)
		if len(f.Values) > 0 {
			fmt.Fprintf(&b, ": %s", strings.Join(f.Values, " | "))
		}
		b.WriteString(")")
		if f.Note != "" {
			b.WriteString(" " + f.Note)
		}
		b.WriteString("\n")
	}
	return b.String()
}

var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	time.RFC3339,
}

// coerce converts a raw extracted value to the field's canonical form.
func coerce(f Field, v interface{}) (interface{}, error) {
	s := strings.TrimSpace(models.ValueString(v))
	if s == "" {
		return nil, fmt.Errorf("empty value")
	}
	switch f.Type {
	case TypeString:
		return s, nil
	case TypeEmail:
		if !strings.Contains(s, "@") {
			return nil, fmt.Errorf("not an email address")
		}
		return strings.ToLower(s), nil
	case TypePhone:
		if len(models.NormalizeIdentity("phone", s)) != 10 {
			return nil, fmt.Errorf("not a ten digit phone number")
		}
		return s, nil
	case TypeCurrency, TypePercentage:
		clean := strings.NewReplacer("$", "", ",", "", "%", "", " ", "").Replace(s)
		n, err := strconv.ParseFloat(clean, 64)
		if err != nil {
			return nil, fmt.Errorf("not a number")
		}
		return n, nil
	case TypeInteger:
		n, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
		if err != nil || n != float64(int64(n)) {
			return nil, fmt.Errorf("not an integer")
		}
		return int64(n), nil
	case TypeDate:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.Format("2006-01-02"), nil
			}
		}
		return nil, fmt.Errorf("not a date")
	case TypeDateTime:
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("not an RFC 3339 timestamp")
		}
		return t.UTC().Format(time.RFC3339), nil
	case TypeEnum:
		norm := strings.ToLower(strings.ReplaceAll(s, " ", "_"))
		for _, allowed := range f.Values {
			if norm == allowed {
				return allowed, nil
			}
		}
		return nil, fmt.Errorf("not one of %s", strings.Join(f.Values, ", "))
	case TypeURL:
		u, err := url.Parse(s)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("not an absolute URL")
		}
		return s, nil
	case TypeBoolean:
		b, err := strconv.ParseBool(strings.ToLower(s))
		if err != nil {
			switch strings.ToLower(s) {
			case "yes", "y":
				return true, nil
			case "no", "n":
				return false, nil
			}
			return nil, fmt.Errorf("not a boolean")
		}
		return b, nil
	}
	return s, nil
}

// sameValue compares a stored and a proposed value of field f.
func sameValue(f Field, current, proposed interface{}) bool {
	a, b := models.ValueString(current), models.ValueString(proposed)
	switch {
	case identityFields[f.Name]:
		return models.NormalizeIdentity(f.Name, a) == models.NormalizeIdentity(f.Name, b)
	case f.Type == TypeCurrency || f.Type == TypePercentage || f.Type == TypeInteger:
		x, errA := strconv.ParseFloat(a, 64)
		y, errB := strconv.ParseFloat(b, 64)
		if errA == nil && errB == nil {
			return x == y
		}
	case f.Type == TypeDate:
		if ca, err := coerce(f, a); err == nil {
			if cb, err := coerce(f, b); err == nil {
				return ca == cb
			}
		}
	}
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
