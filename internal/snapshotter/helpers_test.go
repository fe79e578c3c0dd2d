package snapshotter

import (
	"github.com/dmitriimaksimovdevelop/crawlcore/internal/logging"
	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger { return logging.Nop() }
