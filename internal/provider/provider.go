// Package provider calls the external image-generation service that
// produces try-on images.
package provider

import "context"

// Request carries image references as http(s) URLs or data URIs.
type Request struct {
	PersonImageURL   string
	GarmentImageURLs []string
	Seed             *int64
}

type Result struct {
	ImageURL  string
	RequestID string
}

// Provider returns *apperr.Error values of KindProvider or KindTimeout on
// failure.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Result, error)
}
