package browser

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"gradewatch/internal/components/telemetry"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/chromedp/cdproto/network"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// newSessionClient creates the http client used to make requests on behalf
// of the browser, cookies are copied over from the browser per request.
func newSessionClient(userAgent string, tel telemetry.API) *resty.Client {
	httpClient := resty.New()
	httpClient.SetTimeout(30 * time.Second)
	httpClient.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(httpClient.GetClient().Transport)
	if userAgent != "" {
		httpClient.SetHeader("user-agent", userAgent)
	}

	// 2 requests max per second
	// max burst >= 2 just means that no requests will be dropped
	rateLimiter := rate.NewLimiter(2, 2)
	httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return rateLimiter.Wait(req.Context())
	})

	telemetry.InstrumentResty(httpClient, tel)

	return httpClient
}

func sessionGet(ctx context.Context, client *resty.Client, url string, cookies []*network.Cookie) (Response, error) {
	req := client.R().SetContext(ctx)
	for _, c := range cookies {
		req.SetCookie(&http.Cookie{
			Name:  c.Name,
			Value: c.Value,
		})
	}

	res, err := req.Get(url)
	if err != nil {
		return Response{}, fmt.Errorf("session fetch %s: %w", url, err)
	}
	return Response{
		Status: res.StatusCode(),
		Body:   res.Body(),
	}, nil
}
