//go:generate go run github.com/swaggo/swag/v2/cmd/swag init --parseInternal --outputTypes json -g openapi.go -o .
package internal

// @title         bookbridge api
// @version       1.0
// @description   Book-metadata enrichment and orchestration service: cached
// @description   ISBN/title/author lookups, batch enrichment jobs with live
// @description   progress streaming, CSV import, and bookshelf photo scans.
//
// @license.name  GPLv3
// @license.url   https://www.gnu.org/licenses/gpl-3.0.en.html
//
// @servers       api.bookbridge.dev
