// Package crawler defines the shared types and capability interfaces of the
// register crawl pipeline: identifiers, work items, detail records and the
// fetcher, extractor and sink contracts implemented by leaf packages.
package crawler
