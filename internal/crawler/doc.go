// Package crawler defines the domain model of the TRF5 case crawler: archived
// raw pages, projected case records, the boundary interfaces the pipeline
// consumes (fetching, archive, record store, blobs, events) and the error
// taxonomy shared by every stage.
package crawler
