package datamodel

import "encoding/json"

// DeliverTaskMessage is the queued unit of work for the deliver worker:
// a served request id and the result body to pin and announce on chain.
type DeliverTaskMessage struct {
	RequestId string          `json:"requestId"`
	Result    json.RawMessage `json:"result"`
}

// DeliveryReceipt is what the worker persists once a delivery lands.
type DeliveryReceipt struct {
	RequestId string `json:"requestId"`
	TxHash    string `json:"txHash"`
	URL       string `json:"url"`
}
