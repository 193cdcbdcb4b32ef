package jsonapi

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// flexString accepts a JSON string or number.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = flexString(strings.TrimSpace(v))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*s = flexString(n.String())
	return nil
}

// flexName accepts a string or an object carrying a name-like field.
type flexName string

func (s *flexName) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var obj struct {
			Name     string `json:"name"`
			Title    string `json:"title"`
			Login    string `json:"login"`
			Username string `json:"username"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		for _, v := range []string{obj.Name, obj.Title, obj.Login, obj.Username} {
			if v = strings.TrimSpace(v); v != "" {
				*s = flexName(v)
				return nil
			}
		}
		return nil
	}
	var fs flexString
	if err := fs.UnmarshalJSON(data); err != nil {
		return err
	}
	*s = flexName(fs)
	return nil
}

// price accepts "£1,180", 1180, or {"amount":"1180.00","currency":"GBP"}.
type price struct {
	Text     string
	Amount   *float64
	Currency string
}

func (p *price) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		return nil
	case data[0] == '"':
		return json.Unmarshal(data, &p.Text)
	case data[0] == '{':
		var obj struct {
			Amount       flexString `json:"amount"`
			Currency     string     `json:"currency"`
			CurrencyCode string     `json:"currency_code"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		p.Currency = obj.Currency
		if p.Currency == "" {
			p.Currency = obj.CurrencyCode
		}
		if v, err := strconv.ParseFloat(string(obj.Amount), 64); err == nil {
			p.Amount = &v
		} else {
			p.Text = string(obj.Amount)
		}
		return nil
	default:
		var v float64
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		p.Amount = &v
		return nil
	}
}
