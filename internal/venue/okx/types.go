package okx

// apiResponse is the common envelope of OKX REST responses.
type apiResponse[T any] struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []T    `json:"data"`
}

type balanceData struct {
	TotalEq string          `json:"totalEq"`
	Details []BalanceDetail `json:"details"`
}

// BalanceDetail is one currency row of the unified account balance.
type BalanceDetail struct {
	Currency  string `json:"ccy"`
	Equity    string `json:"eq"`
	Available string `json:"availBal"`
	Frozen    string `json:"frozenBal"`
}

// Position is one open swap position.
type Position struct {
	InstID       string `json:"instId"`
	PosSide      string `json:"posSide"`
	Pos          string `json:"pos"`
	AvgPx        string `json:"avgPx"`
	MarkPx       string `json:"markPx"`
	UPL          string `json:"upl"`
	Lever        string `json:"lever"`
	LiqPx        string `json:"liqPx"`
	MarginMode   string `json:"mgnMode"`
	CreationTime string `json:"cTime"`
}

// OrderRequest is the order placement payload.
type OrderRequest struct {
	InstID     string `json:"instId"`
	TdMode     string `json:"tdMode"`
	Side       string `json:"side"`
	OrdType    string `json:"ordType"`
	Size       string `json:"sz"`
	Price      string `json:"px,omitempty"`
	PosSide    string `json:"posSide,omitempty"`
	ReduceOnly bool   `json:"reduceOnly,omitempty"`
}

// OrderResult is the order placement acknowledgement.
type OrderResult struct {
	OrderID       string `json:"ordId"`
	ClientOrderID string `json:"clOrdId"`
	SCode         string `json:"sCode"`
	SMsg          string `json:"sMsg"`
}
