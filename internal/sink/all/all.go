// Package all links every sink backend into the binary.
package all

import (
	_ "scrapegraph/internal/sink/elasticsearch"
	_ "scrapegraph/internal/sink/mssql"
	_ "scrapegraph/internal/sink/postgres"
	_ "scrapegraph/internal/sink/sqlite"
)
