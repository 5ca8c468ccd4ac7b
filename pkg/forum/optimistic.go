// Package forum holds the client-side forum feed state: paginated post
// loading and optimistic like toggling against the REST backend.
package forum

import "context"

// Optimistic runs a local-first mutation: apply the local delta immediately,
// confirm it with the server, and revert the delta if the server rejects it.
// The caller sees the error either way; the local state only diverges from
// the server for the duration of the in-flight confirmation.
func Optimistic(ctx context.Context, apply, revert func(), confirm func(context.Context) error) error {
	apply()
	if err := confirm(ctx); err != nil {
		revert()
		return err
	}
	return nil
}
