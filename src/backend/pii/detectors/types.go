package pii

// DetectorInput represents the input for PII detection
type DetectorInput struct {
	Text           string  `json:"text"`
	Language       string  `json:"language"`
	ScoreThreshold float64 `json:"score_threshold"`
}

// DetectorOutput represents the output of PII detection
type DetectorOutput struct {
	Text     string   `json:"text"`
	Entities []Entity `json:"entities"`
}

// Entity represents a detected PII entity. StartPos and EndPos are half-open
// byte offsets into the original text.
type Entity struct {
	Text       string  `json:"text"`
	Label      string  `json:"label"`
	StartPos   int     `json:"start_pos"`
	EndPos     int     `json:"end_pos"`
	Confidence float64 `json:"confidence"`
}

// Entity labels emitted by the built-in detectors. The set is open: the
// refiner and transformer treat any label as an opaque tag, these are just
// the vocabulary the detectors and the UI agree on.
const (
	LabelPerson     = "PERSON"
	LabelEmail      = "EMAIL_ADDRESS"
	LabelPhone      = "PHONE_NUMBER"
	LabelLocation   = "LOCATION"
	LabelCreditCard = "CREDIT_CARD"
	LabelIBAN       = "IBAN_CODE"
	LabelURL        = "URL"
	LabelIPAddress  = "IP_ADDRESS"
	LabelAuTFN      = "AU_TFN"
	LabelAuABN      = "AU_ABN"
	LabelAuACN      = "AU_ACN"
	LabelAuMedicare = "AU_MEDICARE"
)
