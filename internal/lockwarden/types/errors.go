package types

import "errors"

// ErrUnknownCard is returned by a directory when no person holds the card.
var ErrUnknownCard = errors.New("card not found in directory")
