package envclient

import "github.com/nomis52/goquest/capability"

// envelope wraps every bridge response.
type envelope[T any] struct {
	Data T `json:"data"`
}

type interactRequest struct {
	Entity string `json:"entity"`
	Verb   string `json:"verb"`
}

type navigateRequest struct {
	Target    capability.Point `json:"target"`
	Tolerance int              `json:"tolerance"`
}

type movingResponse struct {
	Moving bool `json:"moving"`
}

type valueResponse struct {
	Value int `json:"value"`
}

type countResponse struct {
	Count int `json:"count"`
}

type reachableResponse struct {
	Reachable bool `json:"reachable"`
}

type withdrawRequest struct {
	Item     string `json:"item"`
	Quantity int    `json:"quantity"`
}

type withdrawResponse struct {
	Withdrawn int `json:"withdrawn"`
}

type priceResponse struct {
	Price int `json:"price"`
}

type orderRequest struct {
	Item     string `json:"item"`
	Quantity int    `json:"quantity"`
	Price    int    `json:"price"`
}

type filledResponse struct {
	Filled int `json:"filled"`
}
