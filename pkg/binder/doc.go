// Package binder decodes HTTP request bodies into request structs.
//
// JSON returns a binder that checks the Content-Type, caps the body size,
// rejects unknown fields and trailing data, and trims surrounding whitespace
// from every decoded string:
//
//	bind := binder.JSON(binder.WithMaxBytes(64<<10), binder.AllowEmpty())
//	var req CheckoutRequest
//	if err := bind(r, &req); err != nil {
//	    // errors.Is(err, binder.ErrUnsupportedMediaType), ErrBodyTooLarge, ...
//	}
package binder
