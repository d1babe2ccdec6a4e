package kiwoom

// Websocket frame types (trnm).
const (
	TrnmLogin    = "LOGIN"
	TrnmRegister = "REG"
	TrnmPing     = "PING"
	TrnmReal     = "REAL"
	TrnmSystem   = "SYSTEM"
)

// REST api-id headers.
const (
	apiIDOrderBuy  = "kt10000"
	apiIDOrderSell = "kt10001"
	apiIDBalance   = "kt00001"
	apiIDHoldings  = "kt00004"
)

// Realtime subscription types.
const (
	RealTypeTrade = "0B" // stock execution
	RealTypeQuote = "0D" // best bid/ask
)

// Realtime value field codes for trade (0B) and quote (0D) items.
const (
	fieldTradeTime  = "20" // HHMMSS
	fieldTradePrice = "10" // signed string, e.g. "+71900"
	fieldTradeQty   = "15" // signed string
	fieldQuoteTime  = "21"
	fieldBestAsk    = "27"
	fieldBestBid    = "28"
)

// Order types (trde_tp).
const (
	orderTypeLimit  = "0"
	orderTypeMarket = "3"
)

// SystemCodeAuthFailed is pushed in a SYSTEM frame when the websocket
// session token is rejected.
const SystemCodeAuthFailed = "R10004"
