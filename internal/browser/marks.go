// File: internal/browser/marks.go
package browser

import (
	"sort"

	"github.com/wayfindlabs/wayfind/internal/agent"
)

// setOfMarksJS stamps every visible interactive element with a sequential
// data-wf-id attribute and returns the mark list. Overlay badges from a
// previous pass are removed first so ids never go stale visually. The
// viewports parameter widens the visibility window below the fold; zone is
// the viewport-height band an element sits in.
const setOfMarksJS = `
({ maxElements = 30, viewports = 1, hideOverlay = false } = {}) => {
  const selectInteractive = () =>
    Array.from(
      document.querySelectorAll(
        "a,button,input,textarea,select,[role='button'],[onclick]"
      )
    );

  const isVisible = (el) => {
    const rect = el.getBoundingClientRect();
    if (!rect || rect.width === 0 || rect.height === 0) return false;
    const maxY = window.innerHeight * Math.max(1, viewports);
    if (rect.bottom < 0 || rect.right < 0 || rect.top > maxY || rect.left > window.innerWidth) return false;
    const style = window.getComputedStyle(el);
    return (
      style &&
      style.visibility !== "hidden" &&
      style.display !== "none" &&
      parseFloat(style.opacity || "1") > 0.05
    );
  };

  document.querySelectorAll(".wf-overlay").forEach((n) => n.remove());

  const marks = [];
  const isEnabled = (el) => {
    const disabledAttr = el.getAttribute("disabled");
    const ariaDisabled = el.getAttribute("aria-disabled");
    return !(disabledAttr !== null || ariaDisabled === "true");
  };
  let idCounter = 1;

  for (const el of selectInteractive()) {
    if (!isVisible(el)) continue;
    const rect = el.getBoundingClientRect();
    const text = (el.innerText || el.value || "").trim().slice(0, 120);
    const role =
      el.getAttribute("role") ||
      el.getAttribute("aria-label") ||
      el.tagName.toLowerCase();
    const attrName = el.getAttribute("name") || "";
    const attrId = el.id || "";
    const ariaLabel = el.getAttribute("aria-label") || "";
    const style = window.getComputedStyle(el);
    const position = style ? style.position : "";
    const isFixed = position === "fixed" || position === "sticky";
    const navLike =
      isFixed &&
      rect.top >= 0 &&
      rect.top < Math.max(120, window.innerHeight * 0.15) &&
      rect.height < 240;

    const markId = idCounter++;
    el.setAttribute("data-wf-id", String(markId));

    if (!hideOverlay) {
      const badge = document.createElement("div");
      badge.className = "wf-overlay";
      badge.textContent = String(markId);
      Object.assign(badge.style, {
        position: "absolute",
        left: (rect.left + window.scrollX) + "px",
        top: (rect.top + window.scrollY) + "px",
        background: "rgba(0, 123, 255, 0.85)",
        color: "#fff",
        fontSize: "12px",
        fontFamily: "monospace",
        padding: "2px 4px",
        borderRadius: "4px",
        pointerEvents: "none",
        zIndex: 2147483647,
      });
      document.body.appendChild(badge);
    }

    marks.push({
      id: markId,
      tag: el.tagName.toLowerCase(),
      text,
      role,
      zone: Math.min(
        Math.max(0, Math.floor(rect.top / window.innerHeight)),
        Math.max(0, viewports - 1)
      ),
      is_fixed: isFixed,
      is_nav: navLike,
      attr_name: attrName,
      attr_id: attrId,
      aria_label: ariaLabel,
      is_disabled: !isEnabled(el),
      bbox: {
        x: rect.left + window.scrollX,
        y: rect.top + window.scrollY,
        width: rect.width,
        height: rect.height,
      },
    });

    if (marks.length >= maxElements) break;
  }

  marks.sort((a, b) => a.bbox.y - b.bbox.y || a.bbox.x - b.bbox.x);
  return marks;
}
`

// markParams is the argument object passed to setOfMarksJS.
type markParams struct {
	MaxElements int  `json:"maxElements"`
	Viewports   int  `json:"viewports"`
	HideOverlay bool `json:"hideOverlay"`
}

// prioritizeMarks pushes nav-like elements to the end to reduce header and
// footer noise, keeps fixed overlays (modals) before normal flow content,
// and orders the rest by page position.
func prioritizeMarks(mapping []agent.ElementMark) []agent.ElementMark {
	out := make([]agent.ElementMark, len(mapping))
	copy(out, mapping)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.IsNav != b.IsNav {
			return !a.IsNav
		}
		if a.IsFixed != b.IsFixed {
			return a.IsFixed
		}
		if a.BBox.Y != b.BBox.Y {
			return a.BBox.Y < b.BBox.Y
		}
		return a.BBox.X < b.BBox.X
	})
	return out
}

// balanceMarkZones trims the mapping to limit while drawing round-robin
// across viewport zones, so a long page does not fill the whole budget with
// above-the-fold elements. Each zone keeps its own priority order.
func balanceMarkZones(mapping []agent.ElementMark, limit int) []agent.ElementMark {
	if limit <= 0 || len(mapping) == 0 {
		return mapping
	}
	zones := make(map[int][]agent.ElementMark)
	for _, m := range mapping {
		zones[m.Zone] = append(zones[m.Zone], m)
	}
	if len(zones) == 1 {
		if len(mapping) > limit {
			return mapping[:limit]
		}
		return mapping
	}

	zoneKeys := make([]int, 0, len(zones))
	for z := range zones {
		zones[z] = prioritizeMarks(zones[z])
		zoneKeys = append(zoneKeys, z)
	}
	sort.Ints(zoneKeys)

	selected := make([]agent.ElementMark, 0, limit)
	for len(selected) < limit {
		progressed := false
		for _, z := range zoneKeys {
			if len(zones[z]) == 0 {
				continue
			}
			selected = append(selected, zones[z][0])
			zones[z] = zones[z][1:]
			progressed = true
			if len(selected) >= limit {
				break
			}
		}
		if !progressed {
			break
		}
	}
	return selected
}
