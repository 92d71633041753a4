// Package wpt is a minimal WebPageTest API client.
//
// Client.Run performs one test end to end:
//
//	runtest.php     submit, returns data.testId
//	testStatus.php  polled every Options.PollInterval until statusCode 200
//	jsonResult.php  full result document
//	export.php      HAR
//
// Polling and the overall Options.Timeout live here rather than in callers.
// The API key is sent only in the X-WPT-API-KEY header, never in a URL, so
// transport errors that print the request URL do not carry it.
package wpt
