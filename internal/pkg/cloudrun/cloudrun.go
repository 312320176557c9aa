// Package cloudrun adapts a Google Cloud Run service's revision traffic split
// to the core's traffic backend interface. Targets are revision names within
// the configured service.
package cloudrun

import (
	"context"
	"fmt"

	run "cloud.google.com/go/run/apiv2"
	"cloud.google.com/go/run/apiv2/runpb"
	log "github.com/sirupsen/logrus"
	"google.golang.org/api/option"
	"google.golang.org/protobuf/types/known/fieldmaskpb"
)

type CloudRun struct {
	services  *run.ServicesClient
	revisions *run.RevisionsClient
	projectID string
	location  string
	service   string
}

func New(ctx context.Context, projectID, location, service string) (*CloudRun, error) {
	log.Infof("Initializing Cloud Run traffic client for service '%s' in %s", service, location)
	services, err := run.NewServicesClient(ctx, option.WithEndpoint("run.googleapis.com:443"))
	if err != nil {
		return nil, err
	}
	revisions, err := run.NewRevisionsClient(ctx, option.WithEndpoint("run.googleapis.com:443"))
	if err != nil {
		services.Close()
		return nil, err
	}
	return &CloudRun{
		services:  services,
		revisions: revisions,
		projectID: projectID,
		location:  location,
		service:   service,
	}, nil
}

func (c *CloudRun) Close() error {
	errS := c.services.Close()
	errR := c.revisions.Close()
	if errS != nil {
		return errS
	}
	return errR
}

func (c *CloudRun) serviceName() string {
	return fmt.Sprintf("projects/%s/locations/%s/services/%s", c.projectID, c.location, c.service)
}

func (c *CloudRun) revisionName(revision string) string {
	return fmt.Sprintf("%s/revisions/%s", c.serviceName(), revision)
}

// UpdateWeights replaces the service's traffic block with a two-revision
// split. Revisions must already exist; only the "traffic" field is updated.
func (c *CloudRun) UpdateWeights(ctx context.Context, targetA string, weightA int, targetB string, weightB int) error {
	svc, err := c.services.GetService(ctx, &runpb.GetServiceRequest{Name: c.serviceName()})
	if err != nil {
		return fmt.Errorf("failed to get service '%s': %v", c.service, err)
	}

	svc.Traffic = []*runpb.TrafficTarget{
		{
			Type:     runpb.TrafficTargetAllocationType_TRAFFIC_TARGET_ALLOCATION_TYPE_REVISION,
			Revision: targetA,
			Percent:  int32(weightA),
		},
		{
			Type:     runpb.TrafficTargetAllocationType_TRAFFIC_TARGET_ALLOCATION_TYPE_REVISION,
			Revision: targetB,
			Percent:  int32(weightB),
		},
	}

	req := &runpb.UpdateServiceRequest{
		Service:    svc,
		UpdateMask: &fieldmaskpb.FieldMask{Paths: []string{"traffic"}},
	}
	op, err := c.services.UpdateService(ctx, req)
	if err != nil {
		return fmt.Errorf("failed calling UpdateService: %v", err)
	}
	if _, err := op.Wait(ctx); err != nil {
		return fmt.Errorf("failed to wait for traffic update: %v", err)
	}

	log.Infof("Cloud Run traffic updated: %s=%d%%, %s=%d%%", targetA, weightA, targetB, weightB)
	return nil
}

// DescribeTargetHealth reports a revision as unhealthy when its Ready
// condition is not satisfied. Cloud Run manages instances itself, so the
// count granularity is the revision, not individual instances.
func (c *CloudRun) DescribeTargetHealth(ctx context.Context, target string) (int, int, error) {
	rev, err := c.revisions.GetRevision(ctx, &runpb.GetRevisionRequest{Name: c.revisionName(target)})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get revision '%s': %v", target, err)
	}

	for _, cond := range rev.GetConditions() {
		if cond.GetType() == "Ready" {
			if cond.GetState() == runpb.Condition_CONDITION_SUCCEEDED {
				return 0, 1, nil
			}
			log.Warnf("revision '%s' Ready condition is %s: %s", target, cond.GetState(), cond.GetMessage())
			return 1, 1, nil
		}
	}
	// No Ready condition reported yet; treat as not ready.
	return 1, 1, nil
}
