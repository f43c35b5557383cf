package steamcm

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// fieldScanner iterates the fields of one protobuf message. After scan
// returns true, num/typ identify the field and uval or val carry its
// value depending on the wire type. Unknown wire types are skipped.
type fieldScanner struct {
	data []byte
	num  protowire.Number
	typ  protowire.Type
	uval uint64
	val  []byte
	err  error
}

func (s *fieldScanner) scan() bool {
	for {
		if s.err != nil || len(s.data) == 0 {
			return false
		}
		num, typ, n := protowire.ConsumeTag(s.data)
		if n < 0 {
			s.err = protowire.ParseError(n)
			return false
		}
		s.data = s.data[n:]
		s.num, s.typ = num, typ

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(s.data)
			if n < 0 {
				s.err = protowire.ParseError(n)
				return false
			}
			s.uval, s.data = v, s.data[n:]
			return true
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(s.data)
			if n < 0 {
				s.err = protowire.ParseError(n)
				return false
			}
			s.uval, s.data = uint64(v), s.data[n:]
			return true
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(s.data)
			if n < 0 {
				s.err = protowire.ParseError(n)
				return false
			}
			s.uval, s.data = v, s.data[n:]
			return true
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(s.data)
			if n < 0 {
				s.err = protowire.ParseError(n)
				return false
			}
			s.val, s.data = v, s.data[n:]
			return true
		default:
			n := protowire.ConsumeFieldValue(num, typ, s.data)
			if n < 0 {
				s.err = protowire.ParseError(n)
				return false
			}
			s.data = s.data[n:]
		}
	}
}

// Licenses returns the license list the CM pushes after sign-in.
func (c *Client) Licenses(ctx context.Context) ([]License, error) {
	c.mu.Lock()
	set := c.licensesSet
	c.mu.Unlock()
	if set == nil {
		return nil, ErrNotSignedIn
	}

	select {
	case <-set:
	case <-ctx.Done():
		return nil, fmt.Errorf("wait for license list: %w", ctx.Err())
	case <-c.done:
		return nil, ErrDisconnected
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]License(nil), c.licenses...), nil
}

// PackageInfo fetches PICS product info for the given licenses. Each
// returned blob carries the package's binary-VDF payload.
func (c *Client) PackageInfo(ctx context.Context, licenses []License) ([]ProductBlob, error) {
	if len(licenses) == 0 {
		return nil, nil
	}

	var body []byte
	for _, lic := range licenses {
		var entry []byte
		entry = appendVarintField(entry, 1, uint64(lic.PackageID))
		entry = appendVarintField(entry, 2, lic.AccessToken)
		body = appendBytesField(body, 2, entry) // packages
	}
	body = appendVarintField(body, 5, 1) // supports_package_tokens

	pages, err := c.productInfo(ctx, body)
	if err != nil {
		return nil, err
	}

	var blobs []ProductBlob
	for _, page := range pages {
		for _, e := range page.packages {
			if e.missingToken {
				c.logger.Debug("package info withheld", "package_id", e.id)
				continue
			}
			data := e.buffer
			// Package buffers carry a leading change-number word
			// before the binary VDF.
			if len(data) >= 4 {
				data = data[4:]
			}
			blobs = append(blobs, ProductBlob{ID: e.id, Data: data})
		}
	}
	return blobs, nil
}

// AppInfo fetches PICS product info for the given apps. Each returned
// blob carries the app's text-VDF payload.
func (c *Client) AppInfo(ctx context.Context, apps []PICSApp) ([]ProductBlob, error) {
	if len(apps) == 0 {
		return nil, nil
	}

	var body []byte
	for _, app := range apps {
		var entry []byte
		entry = appendVarintField(entry, 1, uint64(app.AppID))
		entry = appendVarintField(entry, 2, app.AccessToken)
		body = appendBytesField(body, 1, entry) // apps
	}

	pages, err := c.productInfo(ctx, body)
	if err != nil {
		return nil, err
	}

	var blobs []ProductBlob
	for _, page := range pages {
		for _, e := range page.apps {
			if e.missingToken {
				c.logger.Debug("app info withheld", "app_id", e.id)
				continue
			}
			data := e.buffer
			// App buffers are NUL-terminated text VDF.
			if n := len(data); n > 0 && data[n-1] == 0 {
				data = data[:n-1]
			}
			blobs = append(blobs, ProductBlob{ID: e.id, Data: data})
		}
	}
	return blobs, nil
}

// productInfo runs one PICS product-info exchange, collecting paged
// responses until the CM reports no more pending data.
func (c *Client) productInfo(ctx context.Context, body []byte) ([]*productInfoPage, error) {
	jobID, responseCh, cancel := c.newJob(16)
	defer cancel()

	hdr := newProtoHeader()
	hdr.JobIDSource = jobID
	if err := c.sendPacket(ctx, EMsgClientPICSProductInfoRequest, hdr, body); err != nil {
		return nil, fmt.Errorf("send product info request: %w", err)
	}

	var pages []*productInfoPage
	for {
		pkt, err := c.awaitPacket(ctx, responseCh)
		if err != nil {
			return nil, fmt.Errorf("wait for product info: %w", err)
		}
		page, err := parseProductInfo(pkt.Body)
		if err != nil {
			return nil, err
		}
		pages = append(pages, page)
		if !page.pending {
			return pages, nil
		}
	}
}

// AppAccessTokens fetches PICS access tokens for the given apps. Apps
// whose token was denied map to zero.
func (c *Client) AppAccessTokens(ctx context.Context, appIDs []uint32) (map[uint32]uint64, error) {
	tokens := make(map[uint32]uint64, len(appIDs))
	if len(appIDs) == 0 {
		return tokens, nil
	}
	for _, id := range appIDs {
		tokens[id] = 0
	}

	var body []byte
	for _, id := range appIDs {
		body = appendVarintField(body, 2, uint64(id)) // appids
	}

	pkt, err := c.request(ctx, EMsgClientPICSAccessTokenRequest, body)
	if err != nil {
		return nil, err
	}

	granted, err := parseAppAccessTokens(pkt.Body)
	if err != nil {
		return nil, err
	}
	for id, tok := range granted {
		tokens[id] = tok
	}
	return tokens, nil
}

// DepotKey fetches the AES-256 decryption key for a depot.
func (c *Client) DepotKey(ctx context.Context, appID, depotID uint32) ([32]byte, error) {
	var key [32]byte

	var body []byte
	body = appendVarintField(body, 1, uint64(depotID))
	body = appendVarintField(body, 2, uint64(appID))

	pkt, err := c.request(ctx, EMsgClientGetDepotDecryptionKey, body)
	if err != nil {
		return key, err
	}

	result, raw, err := parseDepotKeyResponse(pkt.Body)
	if err != nil {
		return key, err
	}
	if result != ResultOK {
		return key, cmError("depot key", result)
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("depot key: unexpected key length %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// ManifestRequestCode fetches the download code for a manifest.
func (c *Client) ManifestRequestCode(ctx context.Context, appID, depotID uint32, manifestID uint64) (uint64, error) {
	const method = "ContentServerDirectory.GetManifestRequestCode#1"

	var body []byte
	body = appendVarintField(body, 1, uint64(appID))
	body = appendVarintField(body, 2, uint64(depotID))
	body = appendVarintField(body, 3, manifestID)

	pkt, err := c.callServiceMethod(ctx, method, body)
	if err != nil {
		return 0, err
	}

	var code uint64
	s := fieldScanner{data: pkt.Body}
	for s.scan() {
		if s.num == 1 && s.typ == protowire.VarintType {
			code = s.uval
		}
	}
	if s.err != nil {
		return 0, fmt.Errorf("parse manifest request code: %w", s.err)
	}
	if code == 0 {
		return 0, subError(method, ResultFileNotFound, 0)
	}
	return code, nil
}

// RenewToken asks Steam to renew a refresh token. An empty return means
// the token was not renewed yet.
func (c *Client) RenewToken(ctx context.Context, token string) (string, error) {
	const method = "Authentication.GenerateAccessTokenForApp#1"

	info, err := ParseToken(token)
	if err != nil {
		return "", err
	}

	var body []byte
	body = appendStringField(body, 1, token)
	body = appendFixed64Field(body, 2, info.SteamID)
	body = appendVarintField(body, 3, 1) // renewal_type: allow

	pkt, err := c.callServiceMethod(ctx, method, body)
	if err != nil {
		return "", err
	}

	var renewed string
	s := fieldScanner{data: pkt.Body}
	for s.scan() {
		if s.num == 2 && s.typ == protowire.BytesType {
			renewed = string(s.val)
		}
	}
	if s.err != nil {
		return "", fmt.Errorf("parse renewed token: %w", s.err)
	}
	return renewed, nil
}

func parseMulti(body []byte) (messageBody []byte, sizeUnzipped uint32, err error) {
	s := fieldScanner{data: body}
	for s.scan() {
		switch {
		case s.num == 1 && s.typ == protowire.VarintType:
			sizeUnzipped = uint32(s.uval)
		case s.num == 2 && s.typ == protowire.BytesType:
			messageBody = s.val
		}
	}
	if s.err != nil {
		return nil, 0, fmt.Errorf("parse multi: %w", s.err)
	}
	return messageBody, sizeUnzipped, nil
}

type logonResponse struct {
	result       EResult
	extended     EResult
	heartbeatSec int32
}

func parseLogonResponse(body []byte) (*logonResponse, error) {
	resp := &logonResponse{result: ResultFail}
	s := fieldScanner{data: body}
	for s.scan() {
		if s.typ != protowire.VarintType {
			continue
		}
		switch s.num {
		case 1:
			resp.result = EResult(int32(s.uval))
		case 2:
			if resp.heartbeatSec == 0 {
				resp.heartbeatSec = int32(s.uval)
			}
		case 3:
			resp.heartbeatSec = int32(s.uval)
		case 10:
			resp.extended = EResult(int32(s.uval))
		}
	}
	if s.err != nil {
		return nil, fmt.Errorf("parse logon response: %w", s.err)
	}
	return resp, nil
}

func parseLoggedOff(body []byte) (EResult, error) {
	result := ResultFail
	s := fieldScanner{data: body}
	for s.scan() {
		if s.num == 1 && s.typ == protowire.VarintType {
			result = EResult(int32(s.uval))
		}
	}
	if s.err != nil {
		return result, fmt.Errorf("parse logged off: %w", s.err)
	}
	return result, nil
}

func parseLicenseList(body []byte) ([]License, error) {
	var licenses []License
	s := fieldScanner{data: body}
	for s.scan() {
		if s.num != 2 || s.typ != protowire.BytesType {
			continue
		}
		var lic License
		e := fieldScanner{data: s.val}
		for e.scan() {
			switch e.num {
			case 1:
				lic.PackageID = uint32(e.uval)
			case 17:
				lic.AccessToken = e.uval
			}
		}
		if e.err != nil {
			return nil, fmt.Errorf("parse license: %w", e.err)
		}
		licenses = append(licenses, lic)
	}
	if s.err != nil {
		return nil, fmt.Errorf("parse license list: %w", s.err)
	}
	return licenses, nil
}

type productEntry struct {
	id           uint32
	missingToken bool
	buffer       []byte
}

type productInfoPage struct {
	apps     []productEntry
	packages []productEntry
	pending  bool
}

func parseProductInfo(body []byte) (*productInfoPage, error) {
	page := &productInfoPage{}
	s := fieldScanner{data: body}
	for s.scan() {
		switch {
		case s.num == 1 && s.typ == protowire.BytesType: // apps
			e, err := parseProductEntry(s.val)
			if err != nil {
				return nil, err
			}
			page.apps = append(page.apps, e)
		case s.num == 3 && s.typ == protowire.BytesType: // packages
			e, err := parseProductEntry(s.val)
			if err != nil {
				return nil, err
			}
			page.packages = append(page.packages, e)
		case s.num == 6 && s.typ == protowire.VarintType:
			page.pending = s.uval != 0
		}
	}
	if s.err != nil {
		return nil, fmt.Errorf("parse product info: %w", s.err)
	}
	return page, nil
}

func parseProductEntry(data []byte) (productEntry, error) {
	var e productEntry
	s := fieldScanner{data: data}
	for s.scan() {
		switch {
		case s.num == 1 && s.typ == protowire.VarintType:
			e.id = uint32(s.uval)
		case s.num == 3 && s.typ == protowire.VarintType:
			e.missingToken = s.uval != 0
		case s.num == 5 && s.typ == protowire.BytesType:
			e.buffer = s.val
		}
	}
	if s.err != nil {
		return e, fmt.Errorf("parse product entry: %w", s.err)
	}
	return e, nil
}

func parseAppAccessTokens(body []byte) (map[uint32]uint64, error) {
	granted := make(map[uint32]uint64)
	s := fieldScanner{data: body}
	for s.scan() {
		if s.num != 3 || s.typ != protowire.BytesType { // app_access_tokens
			continue
		}
		var appID uint32
		var token uint64
		e := fieldScanner{data: s.val}
		for e.scan() {
			switch e.num {
			case 1:
				appID = uint32(e.uval)
			case 2:
				token = e.uval
			}
		}
		if e.err != nil {
			return nil, fmt.Errorf("parse app token: %w", e.err)
		}
		granted[appID] = token
	}
	if s.err != nil {
		return nil, fmt.Errorf("parse access tokens: %w", s.err)
	}
	return granted, nil
}

func parseDepotKeyResponse(body []byte) (EResult, []byte, error) {
	result := ResultFail
	var key []byte
	s := fieldScanner{data: body}
	for s.scan() {
		switch {
		case s.num == 1 && s.typ == protowire.VarintType:
			result = EResult(int32(s.uval))
		case s.num == 3 && s.typ == protowire.BytesType:
			key = s.val
		}
	}
	if s.err != nil {
		return result, nil, fmt.Errorf("parse depot key response: %w", s.err)
	}
	return result, key, nil
}
