package ura

import "encoding/json"

// tokenResponse is the envelope returned by the token issuance endpoint
type tokenResponse struct {
	Status  string `json:"Status"`
	Message string `json:"Message"`
	Result  string `json:"Result"`
}

// batchResponse is the envelope returned by the transaction fetch endpoint
type batchResponse struct {
	Status  string       `json:"Status"`
	Message string       `json:"Message"`
	Result  []RawProject `json:"Result"`
}

// RawProject is one project as returned by the authority API, carrying its
// nested transaction entries. Ephemeral; never persisted as-is.
type RawProject struct {
	Project       string           `json:"project"`
	Street        string           `json:"street"`
	MarketSegment string           `json:"marketSegment"`
	Transactions  []RawTransaction `json:"transaction"`
}

// RawTransaction is one raw transaction entry. Known fields are typed; any
// field the authority adds later lands in Extras so schema drift never loses
// data.
type RawTransaction struct {
	ContractDate string `json:"contractDate"` // MMYY code, e.g. "0125"
	Price        string `json:"price"`
	NettPrice    string `json:"nettPrice"`
	Area         string `json:"area"` // square metres
	FloorRange   string `json:"floorRange"`
	TypeOfSale   string `json:"typeOfSale"`
	PropertyType string `json:"propertyType"`
	District     string `json:"district"`
	TypeOfArea   string `json:"typeOfArea"`
	Tenure       string `json:"tenure"`
	NoOfUnits    string `json:"noOfUnits"`

	// Extras holds unrecognized source fields, preserved but uninterpreted
	Extras map[string]interface{} `json:"-"`
}

// knownTransactionFields are the JSON keys mapped onto typed fields above
var knownTransactionFields = map[string]struct{}{
	"contractDate": {},
	"price":        {},
	"nettPrice":    {},
	"area":         {},
	"floorRange":   {},
	"typeOfSale":   {},
	"propertyType": {},
	"district":     {},
	"typeOfArea":   {},
	"tenure":       {},
	"noOfUnits":    {},
}

// UnmarshalJSON decodes the typed core and routes unknown keys into Extras
func (t *RawTransaction) UnmarshalJSON(data []byte) error {
	type alias RawTransaction
	var core alias
	if err := json.Unmarshal(data, &core); err != nil {
		return err
	}

	var all map[string]interface{}
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for k := range all {
		if _, known := knownTransactionFields[k]; known {
			delete(all, k)
		}
	}
	if len(all) == 0 {
		all = nil
	}

	*t = RawTransaction(core)
	t.Extras = all
	return nil
}
