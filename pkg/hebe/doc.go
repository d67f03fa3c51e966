// Package hebe is a client for the signed-envelope mobile API of the school
// register backend.
//
// Every call is an HTTP request signed with the device certificate from
// package certificate. Responses arrive wrapped in an envelope whose status
// code is turned into a typed error, and whose payload is tagged with a type
// name the caller decodes against.
//
// # Registering a new device
//
// A certificate is created once and then enrolled with the token, unit symbol
// and PIN shown in the school portal:
//
//	cert, err := certificate.Create()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	c := hebe.MustNew(cert)
//	acct, err := c.Register(ctx, hebe.RegisterRequest{
//	    Token:  "FK100000",
//	    Symbol: "powiatwulkanowy",
//	    PIN:    "999999",
//	})
//
// The server for the token is looked up in the public routing table. After
// success the certificate carries the account base URL; persist it with
// cert.Save so later runs skip registration.
//
// # Reading data
//
// Resources describe the collection, single-entity and deleted-items
// endpoints of each entity kind:
//
//	grades, err := c.List(ctx, hebe.Grades, hebe.Query{
//	    "pupilId":  111,
//	    "periodId": 101,
//	})
//
// Paged collections are read to the end. Each element is the raw JSON of one
// entity; parsing it into domain types is left to the caller.
//
// # Incremental sync
//
// Sync returns what changed since a watermark, plus the ids deleted in the
// same window, and the watermark to use next time:
//
//	res, err := c.Sync(ctx, hebe.Exams, hebe.Query{"pupilId": 111}, last)
//	last = res.Watermark
//
// # Errors
//
// Transport failures match ErrFailedRequest and friends under errors.Is.
// Non-zero envelope statuses are *StatusError values that also match the
// sentinel of their Kind:
//
//	if errors.Is(err, hebe.ErrInvalidPIN) {
//	    // ask again
//	}
package hebe
