package search

import (
	"fmt"
	"strings"
	"time"
)

// Register defaults for the member search page.
const (
	DefaultSearchURL        = "https://members.collegeofopticians.ca/coo/Public%20Register/Member-Search.aspx"
	DefaultFilterSelector   = "#ctl01_TemplateBody_WebPartManager1_gwpciNewQueryMenuCommon_ciNewQueryMenuCommon_ResultsGrid_Sheet0_Input7_DropDown1"
	DefaultFilterValue      = "ARTIFICIAL"
	DefaultSubmitSelector   = "#ctl01_TemplateBody_WebPartManager1_gwpciNewQueryMenuCommon_ciNewQueryMenuCommon_ResultsGrid_Sheet0_SubmitButton"
	DefaultResultsSelector  = "table tbody tr"
	DefaultPageSizeSelector = "#ctl01_TemplateBody_WebPartManager1_gwpciNewQueryMenuCommon_ciNewQueryMenuCommon_ResultsGrid_Grid1_ctl00_ctl03_ctl01_PageSizeComboBox_Input"
	DefaultPageSizeOption   = "//ul[@id='ctl01_TemplateBody_WebPartManager1_gwpciNewQueryMenuCommon_ciNewQueryMenuCommon_ResultsGrid_Grid1_ctl00_ctl03_ctl01_PageSizeComboBox_listbox']/li[text()='%d']"
	DefaultNextPageSelector = ".rgPageNext"
	DefaultPageSize         = 50
	DefaultClickSettle      = 2 * time.Second
)

// Config describes how to drive the search page. Selectors are passed to the
// PageFetcher as-is; PageSizeOption is a format string taking the page size.
type Config struct {
	SearchURL        string
	FilterSelector   string
	FilterValue      string
	SubmitSelector   string
	ResultsSelector  string
	PageSizeSelector string
	PageSizeOption   string
	NextPageSelector string
	PageSize         int
	NavigateSettle   time.Duration
	PageSizeSettle   time.Duration
	NextPageSettle   time.Duration
}

// DefaultConfig returns the settings for the register's Telerik search grid.
func DefaultConfig() Config {
	return Config{
		SearchURL:        DefaultSearchURL,
		FilterSelector:   DefaultFilterSelector,
		FilterValue:      DefaultFilterValue,
		SubmitSelector:   DefaultSubmitSelector,
		ResultsSelector:  DefaultResultsSelector,
		PageSizeSelector: DefaultPageSizeSelector,
		PageSizeOption:   DefaultPageSizeOption,
		NextPageSelector: DefaultNextPageSelector,
		PageSize:         DefaultPageSize,
		PageSizeSettle:   DefaultClickSettle,
		NextPageSettle:   DefaultClickSettle,
	}
}

// Validate checks the settings a crawl cannot start without.
func (c Config) Validate() error {
	if strings.TrimSpace(c.SearchURL) == "" {
		return fmt.Errorf("search url is required")
	}
	if strings.TrimSpace(c.SubmitSelector) == "" {
		return fmt.Errorf("submit selector is required")
	}
	if c.FilterValue != "" && strings.TrimSpace(c.FilterSelector) == "" {
		return fmt.Errorf("filter selector is required when a filter value is set")
	}
	if c.PageSize < 0 {
		return fmt.Errorf("page size must be >= 0")
	}
	if c.PageSize > 0 && (c.PageSizeSelector == "" || c.PageSizeOption == "") {
		return fmt.Errorf("page size selectors are required when a page size is set")
	}
	if c.NavigateSettle < 0 || c.PageSizeSettle < 0 || c.NextPageSettle < 0 {
		return fmt.Errorf("settle delays must be >= 0")
	}
	return nil
}

func (c Config) pageSizeOption() string {
	return fmt.Sprintf(c.PageSizeOption, c.PageSize)
}
