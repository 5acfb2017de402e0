package payment

import "encoding/json"

// Callback is what the chain watcher reports for one incoming TRC-20 transfer.
type Callback struct {
	OrderID     string      `json:"order_id" validate:"required,max=64"`
	Amount      json.Number `json:"amount" validate:"required,decimal"`
	TxHash      string      `json:"tx_hash" validate:"required,hexadecimal,min=64,max=66"`
	FromAddress string      `json:"from_address" validate:"required,tron"`
	ToAddress   string      `json:"to_address" validate:"required,tron"`
	BlockNumber int64       `json:"block_number" validate:"gte=0"`
	Timestamp   int64       `json:"timestamp" validate:"gt=0"`
}
