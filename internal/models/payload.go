package models

// WebhookPayload is the provider's payment-confirmation body. TransAmount
// arrives as a string, either "<CUR> <amount>" or a bare number.
type WebhookPayload struct {
	TransactionType         string `json:"TransactionType"`
	TransID                 string `json:"TransID"`
	TransTime               string `json:"TransTime"`
	TransAmount             string `json:"TransAmount"`
	BusinessShortCode       string `json:"BusinessShortCode"`
	BusinessAccountNo       string `json:"BusinessAccountNo"`
	BillRefNumber           string `json:"BillRefNumber"`
	InvoiceNumber           string `json:"InvoiceNumber"`
	OrgAccountBalance       string `json:"OrgAccountBalance"`
	AvailableAccountBalance string `json:"AvailableAccountBalance"`
	ThirdPartyTransID       string `json:"ThirdPartyTransID"`
	MSISDN                  string `json:"MSISDN"`
	SecureHash              string `json:"SecureHash"`
}
