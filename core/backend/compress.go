// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package backend

import (
	"net/http"

	"github.com/gorilla/handlers"
)

// handleCompression compresses responses when the client asks for it via
// Accept-Encoding. The compressing writer forwards Flush, so the event stream
// still pushes frames out immediately.
func (b *Backend) handleCompression() {
	b.router.Use(func(h http.Handler) http.Handler {
		return handlers.CompressHandler(h)
	})
}
