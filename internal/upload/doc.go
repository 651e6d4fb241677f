// Package upload moves large binary ingestion off the request path. Submit
// returns as soon as the pending record and its queue job exist; a worker
// streams the payload into blob storage, spilling to a scratch file when it
// exceeds the in-memory threshold, and reports the outcome back onto the
// record's upload-status fields.
package upload
