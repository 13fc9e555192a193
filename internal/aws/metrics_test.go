package aws

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type fakeCloudWatch struct {
	inputs []*cloudwatch.PutMetricDataInput
}

func (f *fakeCloudWatch) PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.inputs = append(f.inputs, in)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func TestMetrics_Increment(t *testing.T) {
	f := &fakeCloudWatch{}
	m := NewMetrics(f, "KitStore/Checkout")
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m.nowFunc = func() time.Time { return fixed }

	if err := m.Increment(context.Background(), "OrdersRecorded"); err != nil {
		t.Fatalf("Increment error: %v", err)
	}
	if len(f.inputs) != 1 {
		t.Fatalf("expected one PutMetricData call, got %d", len(f.inputs))
	}
	in := f.inputs[0]
	if *in.Namespace != "KitStore/Checkout" {
		t.Fatalf("namespace mismatch: %s", *in.Namespace)
	}
	d := in.MetricData[0]
	if *d.MetricName != "OrdersRecorded" || *d.Value != 1 || d.Unit != cwtypes.StandardUnitCount {
		t.Fatalf("unexpected datum: %+v", d)
	}
	if !d.Timestamp.Equal(fixed) {
		t.Fatalf("timestamp mismatch: %v", d.Timestamp)
	}
}
