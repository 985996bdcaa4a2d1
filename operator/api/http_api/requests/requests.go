package requests

type FetchFillableForm struct {
	MinAmountWei string `query:"minAmountWei" json:"minAmountWei"`
}

type ExecuteDealForm struct {
	DealID string `json:"dealID" validate:"attr=dealID,min=3"`
}

type DealsForm struct {
	Status string `query:"status" json:"status"`
}
