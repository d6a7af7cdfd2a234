package importer

import (
	"context"
	"errors"
	"fmt"

	"github.com/malbeclabs/studydata/study/pkg/model"
	"github.com/malbeclabs/studydata/study/pkg/validation"
)

var ErrForbidden = errors.New("user may not insert into dataset")

// Authorizer decides whether a user may write rows into a dataset.
type Authorizer interface {
	CanInsert(ctx context.Context, user *model.User, ds *model.Dataset, container string) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, user *model.User, ds *model.Dataset, container string) error

func (f AuthorizerFunc) CanInsert(ctx context.Context, user *model.User, ds *model.Dataset, container string) error {
	return f(ctx, user, ds, container)
}

// uniqueViolationMessage rewrites a storage key violation in terms of the
// dataset's logical key.
func uniqueViolationMessage(ds *model.Dataset, err error) string {
	return fmt.Sprintf("Duplicate dataset row. All rows must have unique %s values. (%s)", ds.UniqueKeyColumns(), err.Error())
}

// IsValidation reports whether err carries validation problems rather than
// a system failure.
func IsValidation(err error) bool {
	var be *validation.BatchError
	return errors.As(err, &be)
}
