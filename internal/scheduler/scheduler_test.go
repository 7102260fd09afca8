package scheduler

import "testing"

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
}

func TestSchedulerAddJobDescriptor(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if err := s.AddJob("@every 15m", func() {}); err != nil {
		t.Errorf("Expected no error adding descriptor job, got %v", err)
	}
}

func TestSchedulerAddJobInvalidExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if err := s.AddJob("not a cron expr", func() {}); err == nil {
		t.Error("Expected error adding invalid expression, got nil")
	}
}
