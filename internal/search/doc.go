// Package search drives the register's member search listing and feeds the
// identifiers it finds into the work queue.
//
// A crawl walks a fixed sequence of browser steps:
//
//	navigate → apply filter → submit → set page size → count pages → {scrape page → next page}*
//
// Failures before the page loop are fatal and reported as *FatalError. Inside
// the loop a page that cannot be parsed contributes no identifiers and a failed
// "next page" click is logged, matching the register's flaky pager. The loop
// checks the cooperative stop token before every page; identifiers from the
// page already being scraped are always pushed.
package search
