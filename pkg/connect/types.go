package connect

import (
	"strings"
	"time"
)

type errorItem struct {
	Status string `json:"status"`
	Code   string `json:"code"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

type errorResponse struct {
	Errors []errorItem `json:"errors"`
}

func (e errorResponse) String() string {
	var out []string
	for _, item := range e.Errors {
		msg := item.Code + ": " + item.Title
		if item.Detail != "" {
			msg += " (" + item.Detail + ")"
		}
		out = append(out, msg)
	}
	return strings.Join(out, "; ")
}

type pagedLinks struct {
	Self string `json:"self"`
	Next string `json:"next"`
}

// date accepts the timestamp layouts the API is known to send.
type date time.Time

var dateLayouts = []string{
	"2006-01-02T15:04:05.000-07:00",
	"2006-01-02T15:04:05-07:00",
	time.RFC3339Nano,
}

func (d *date) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), "\"")
	if s == "null" || s == "" {
		return nil
	}
	var err error
	for _, layout := range dateLayouts {
		var t time.Time
		if t, err = time.Parse(layout, s); err == nil {
			*d = date(t)
			return nil
		}
	}
	return err
}

type resourceRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type certificate struct {
	ID         string `json:"id"`
	Attributes struct {
		CertificateContent []byte  `json:"certificateContent"`
		DisplayName        string  `json:"displayName"`
		ExpirationDate     *date   `json:"expirationDate"`
		Name               string  `json:"name"`
		SerialNumber       string  `json:"serialNumber"`
		CertificateType    string  `json:"certificateType"`
		Platform           *string `json:"platform"`
	} `json:"attributes"`
}

type certificatesResponse struct {
	Data  []certificate `json:"data"`
	Links pagedLinks    `json:"links"`
}

type certificateResponse struct {
	Data certificate `json:"data"`
}

type certificateCreateRequest struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			CertificateType string `json:"certificateType"`
			CSRContent      string `json:"csrContent"`
		} `json:"attributes"`
	} `json:"data"`
}

type device struct {
	ID         string `json:"id"`
	Attributes struct {
		Name        string  `json:"name"`
		UDID        string  `json:"udid"`
		Status      *string `json:"status"`
		Platform    *string `json:"platform"`
		DeviceClass *string `json:"deviceClass"`
	} `json:"attributes"`
}

type devicesResponse struct {
	Data  []device   `json:"data"`
	Links pagedLinks `json:"links"`
}

type deviceCreateRequest struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			Name     string `json:"name"`
			UDID     string `json:"udid"`
			Platform string `json:"platform"`
		} `json:"attributes"`
	} `json:"data"`
}

type deviceUpdateRequest struct {
	Data struct {
		Type       string `json:"type"`
		ID         string `json:"id"`
		Attributes struct {
			Status string `json:"status"`
		} `json:"attributes"`
	} `json:"data"`
}

type bundleID struct {
	ID         string `json:"id"`
	Attributes struct {
		Identifier string  `json:"identifier"`
		Name       string  `json:"name"`
		Platform   *string `json:"platform"`
	} `json:"attributes"`
	Relationships struct {
		Profiles struct {
			Data []resourceRef `json:"data"`
		} `json:"profiles"`
	} `json:"relationships"`
}

type bundleIDsResponse struct {
	Data  []bundleID `json:"data"`
	Links pagedLinks `json:"links"`
}

type bundleIDCreateRequest struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			Identifier string `json:"identifier"`
			Name       string `json:"name"`
			Platform   string `json:"platform"`
		} `json:"attributes"`
	} `json:"data"`
}

type profile struct {
	ID         string `json:"id"`
	Attributes struct {
		Name           string `json:"name"`
		ProfileContent string `json:"profileContent"`
		ProfileType    string `json:"profileType"`
	} `json:"attributes"`
}

type profileResponse struct {
	Data profile `json:"data"`
}

type relationship struct {
	Data resourceRef `json:"data"`
}

type relationships struct {
	Data []resourceRef `json:"data"`
}

type profileCreateRequest struct {
	Data struct {
		Type       string `json:"type"`
		Attributes struct {
			Name        string `json:"name"`
			ProfileType string `json:"profileType"`
		} `json:"attributes"`
		Relationships struct {
			BundleID     relationship  `json:"bundleId"`
			Certificates relationships `json:"certificates"`
			Devices      relationships `json:"devices"`
		} `json:"relationships"`
	} `json:"data"`
}

func refs(typ string, ids []string) relationships {
	out := relationships{Data: make([]resourceRef, 0, len(ids))}
	for _, id := range ids {
		out.Data = append(out.Data, resourceRef{Type: typ, ID: id})
	}
	return out
}
