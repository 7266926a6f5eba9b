package webdav

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/tubocms/mediastore/internal/storage"
)

const quotaPropfind = `<?xml version="1.0" encoding="utf-8"?>
<d:propfind xmlns:d="DAV:">
  <d:prop>
    <d:quota-available-bytes/>
    <d:quota-used-bytes/>
  </d:prop>
</d:propfind>`

type multistatus struct {
	Responses []struct {
		Propstat []struct {
			Prop struct {
				Available string `xml:"quota-available-bytes"`
				Used      string `xml:"quota-used-bytes"`
			} `xml:"prop"`
			Status string `xml:"status"`
		} `xml:"propstat"`
	} `xml:"response"`
}

// propfindQuota asks for quota-available-bytes and quota-used-bytes on the
// root collection. Servers that do not implement them report no quota.
func (a *Adapter) propfindQuota(ctx context.Context) (*storage.Quota, error) {
	req, err := http.NewRequestWithContext(ctx, "PROPFIND", a.cfg.BaseURL+"/", strings.NewReader(quotaPropfind))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Depth", "0")
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	a.authorize(req)

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("propfind quota: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMultiStatus {
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode == http.StatusNotImplemented || resp.StatusCode == http.StatusMethodNotAllowed {
			return nil, nil
		}
		return nil, fmt.Errorf("propfind quota: unexpected status %s", resp.Status)
	}

	var ms multistatus
	if err := xml.NewDecoder(resp.Body).Decode(&ms); err != nil {
		return nil, fmt.Errorf("decode propfind quota: %w", err)
	}

	for _, r := range ms.Responses {
		for _, ps := range r.Propstat {
			if !strings.Contains(ps.Status, " 200") {
				continue
			}
			avail, errA := strconv.ParseInt(strings.TrimSpace(ps.Prop.Available), 10, 64)
			used, errU := strconv.ParseInt(strings.TrimSpace(ps.Prop.Used), 10, 64)
			if errA != nil || errU != nil || avail < 0 {
				continue
			}
			return &storage.Quota{TotalBytes: avail + used, UsedBytes: used}, nil
		}
	}
	return nil, nil
}

func (a *Adapter) authorize(req *http.Request) {
	switch {
	case a.cfg.AuthToken != "":
		req.Header.Set("Authorization", "Bearer "+a.cfg.AuthToken)
	case a.cfg.Username != "":
		req.SetBasicAuth(a.cfg.Username, a.cfg.Password)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
