// Package pagination streams every record of a Capture schema that matches
// a filter, in bounded memory, by cursoring over the surrogate id.
//
// entity.find offers offset paging only, and offsets shift while other
// clients write. Instead each page asks for records sorted by id and
// strictly above the highest id seen so far:
//
//	page 1: filter "(email is not null) and id > 0"
//	page 2: filter "(email is not null) and id > 5"
//	...
//
// The iteration ends with the first empty page, or with a page shorter than
// the requested batch size. As long as ids are unique and assigned in
// increasing order no record is skipped or repeated.
//
// Example usage:
//
//	cfg := pagination.Config{BatchSize: 500, Filter: "email is not null"}
//	for record, err := range pagination.Iterate(ctx, client, "user", cfg, logger) {
//		if err != nil {
//			return err
//		}
//		fmt.Println(record["email"])
//	}
package pagination
