package browser

import (
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// blockResources fails requests whose resource type is listed in types.
// Config names are plural ("images") while CDP types are singular ("Image").
func blockResources(page *rod.Page, types []string) *rod.HijackRouter {
	blocked := make(map[proto.NetworkResourceType]bool, len(types))
	for _, t := range types {
		if rt, ok := resourceTypes[strings.ToLower(t)]; ok {
			blocked[rt] = true
		}
	}
	if len(blocked) == 0 {
		return nil
	}

	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if blocked[h.Request.Type()] {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	return router
}

var resourceTypes = map[string]proto.NetworkResourceType{
	"images":      proto.NetworkResourceTypeImage,
	"fonts":       proto.NetworkResourceTypeFont,
	"media":       proto.NetworkResourceTypeMedia,
	"stylesheets": proto.NetworkResourceTypeStylesheet,
	"scripts":     proto.NetworkResourceTypeScript,
}
